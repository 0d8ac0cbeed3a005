package enum

type EntityType string

const (
	MESSAGE EntityType = "MESSAGE"
)

func (entityType EntityType) String() string {
	return string(entityType)
}
