// Package catalog defines the read-only accessory type catalog this HAP
// core consumes but does not own: the set of known characteristic and
// service type definitions, looked up by UUID. The accessory data model
// itself (services, characteristics, their runtime values) is out of
// scope for this core; TypeCatalog is the narrow, structural interface it
// needs from that model.
package catalog

// CharacteristicType describes a known HAP characteristic type, as parsed
// from the accessory data model owned elsewhere in the repository.
type CharacteristicType struct {
	UUID   string
	Format string
}

// ServiceType describes a known HAP service type.
type ServiceType struct {
	UUID            string
	Characteristics []string
}

// TypeCatalog is the read-only lookup this core consumes for characteristic
// and service type definitions. It may be shared freely across connections:
// nothing in this core ever mutates it.
type TypeCatalog interface {
	CharacteristicByUUID(uuid string) (CharacteristicType, bool)
	ServiceByUUID(uuid string) (ServiceType, bool)
}

// Static is a minimal in-memory TypeCatalog backed by fixed maps, sufficient
// for tests and for accessories whose type set does not change at runtime.
type Static struct {
	Characteristics map[string]CharacteristicType
	Services        map[string]ServiceType
}

// NewStatic builds a Static catalog from the given characteristic and
// service definitions.
func NewStatic(characteristics []CharacteristicType, services []ServiceType) *Static {
	s := &Static{
		Characteristics: make(map[string]CharacteristicType, len(characteristics)),
		Services:        make(map[string]ServiceType, len(services)),
	}
	for _, c := range characteristics {
		s.Characteristics[c.UUID] = c
	}
	for _, svc := range services {
		s.Services[svc.UUID] = svc
	}
	return s
}

func (s *Static) CharacteristicByUUID(uuid string) (CharacteristicType, bool) {
	c, ok := s.Characteristics[uuid]
	return c, ok
}

func (s *Static) ServiceByUUID(uuid string) (ServiceType, bool) {
	svc, ok := s.Services[uuid]
	return svc, ok
}
