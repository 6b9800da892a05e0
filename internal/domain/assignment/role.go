package assignment

// Role is the closed set of roles a professional can hold at an
// establishment.
type Role string

const (
	RoleDirector        Role = "director"
	RoleAdmin           Role = "admin"
	RoleDoctor          Role = "doctor"
	RoleNurse           Role = "nurse"
	RolePharmacist      Role = "pharmacist"
	RoleLabTechnician   Role = "lab_technician"
	RoleReceptionist    Role = "receptionist"
	RoleAccountant      Role = "accountant"
	RoleMinistryOfficer Role = "ministry_officer"
)

// Roles lists every role in display order.
var Roles = [...]Role{
	RoleDirector,
	RoleAdmin,
	RoleDoctor,
	RoleNurse,
	RolePharmacist,
	RoleLabTechnician,
	RoleReceptionist,
	RoleAccountant,
	RoleMinistryOfficer,
}

// RoleDescriptor carries presentation data for a role.
type RoleDescriptor struct {
	Role  Role   `json:"role"`
	Label string `json:"label"`
	Icon  string `json:"icon"`
}

var roleDescriptors = [...]RoleDescriptor{
	{RoleDirector, "Director", "building-2"},
	{RoleAdmin, "Administrator", "shield"},
	{RoleDoctor, "Doctor", "stethoscope"},
	{RoleNurse, "Nurse", "heart-pulse"},
	{RolePharmacist, "Pharmacist", "pill"},
	{RoleLabTechnician, "Lab technician", "flask-conical"},
	{RoleReceptionist, "Receptionist", "clipboard-list"},
	{RoleAccountant, "Accountant", "calculator"},
	{RoleMinistryOfficer, "Ministry officer", "landmark"},
}

// Adding a role to Roles without a descriptor breaks the build here.
var _ = [1]struct{}{}[len(Roles)-len(roleDescriptors)]

// FallbackDescriptor is returned for roles outside the closed set.
var FallbackDescriptor = RoleDescriptor{Label: "Staff", Icon: "user"}

// ParseRole validates a role token.
func ParseRole(s string) (Role, bool) {
	for _, r := range Roles {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

// Describe maps a role to its label and icon.
func Describe(r Role) RoleDescriptor {
	for _, d := range roleDescriptors {
		if d.Role == r {
			return d
		}
	}
	d := FallbackDescriptor
	d.Role = r
	return d
}
