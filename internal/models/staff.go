package models

// StaffMember is a directory entry for an attendant or manager.
// Reference data: never pruned automatically.
type StaffMember struct {
	SyncMeta

	Name      string `json:"name"`
	Phone     string `json:"phone,omitempty"`
	Role      string `json:"role,omitempty"`
	Available bool   `json:"available"`
	PhotoRef  string `json:"photo_ref,omitempty"`
}

// TableName returns the table name for StaffMember.
func (StaffMember) TableName() string {
	return "staff"
}
