package enum

type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

func (k ChangeKind) String() string {
	return string(k)
}

type UnitKind string

const (
	UnitLabel  UnitKind = "label"
	UnitFolder UnitKind = "folder"
)

func (k UnitKind) String() string {
	return string(k)
}
