package authz

const (
	RoleAdministrator = "administrator"
	RoleUser          = "user"
	RoleAnonymous     = "anonymous"
	RoleOwner         = "owner"
)

const (
	ActionRead  = "read"
	ActionWrite = "write"
)

const DomainAPI = "api"

const (
	ObjectRecordInstances = "record.instances"
	ObjectRecordTasks     = "record.tasks"
	ObjectIAMIdentities   = "iam.identities"
)
