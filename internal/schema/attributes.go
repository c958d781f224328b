package schema

// Attributes is the materialized attribute object of a node.
type Attributes map[string]any

// Clone returns a deep copy so transforms never alias stored state.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return Attributes{}
	}
	return cloneMap(a)
}

func cloneMap(source map[string]any) map[string]any {
	copied := make(map[string]any, len(source))
	for key, value := range source {
		copied[key] = cloneValue(value)
	}
	return copied
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneMap(typed)
	case Attributes:
		return cloneMap(typed)
	case []any:
		copied := make([]any, len(typed))
		for index, item := range typed {
			copied[index] = cloneValue(item)
		}
		return copied
	case map[string]string:
		copied := make(map[string]any, len(typed))
		for key, item := range typed {
			copied[key] = item
		}
		return copied
	default:
		return typed
	}
}

// WorkspaceAttributes describe the workspace root node.
type WorkspaceAttributes struct {
	Name        string `mapstructure:"name" validate:"required,max=256"`
	Description string `mapstructure:"description" validate:"max=2048"`
	Avatar      string `mapstructure:"avatar" validate:"max=512"`
}

// UserAttributes describe a member profile node visible to the whole workspace.
type UserAttributes struct {
	Name   string `mapstructure:"name" validate:"required,max=256"`
	Email  string `mapstructure:"email" validate:"omitempty,email"`
	Avatar string `mapstructure:"avatar" validate:"max=512"`
}

// SpaceAttributes describe a top level space; spaces always grant at least one collaborator.
type SpaceAttributes struct {
	Name          string          `mapstructure:"name" validate:"required,max=256"`
	Description   string          `mapstructure:"description" validate:"max=2048"`
	Avatar        string          `mapstructure:"avatar" validate:"max=512"`
	Collaborators map[string]Role `mapstructure:"collaborators" validate:"required,min=1,dive,keys,required,max=190,endkeys,oneof=owner admin editor collaborator viewer"`
}

// ChatAttributes describe a direct conversation between collaborators.
type ChatAttributes struct {
	Collaborators map[string]Role `mapstructure:"collaborators" validate:"required,min=2,dive,keys,required,max=190,endkeys,oneof=owner admin editor collaborator viewer"`
}

// FolderAttributes describe a folder that may grant additional collaborators on its subtree.
type FolderAttributes struct {
	Name          string          `mapstructure:"name" validate:"required,max=256"`
	Avatar        string          `mapstructure:"avatar" validate:"max=512"`
	Collaborators map[string]Role `mapstructure:"collaborators" validate:"omitempty,dive,keys,required,max=190,endkeys,oneof=owner admin editor collaborator viewer"`
}

// PageAttributes describe a rich text page.
type PageAttributes struct {
	Name          string          `mapstructure:"name" validate:"required,max=256"`
	Avatar        string          `mapstructure:"avatar" validate:"max=512"`
	Content       string          `mapstructure:"content" validate:"max=1048576"`
	Collaborators map[string]Role `mapstructure:"collaborators" validate:"omitempty,dive,keys,required,max=190,endkeys,oneof=owner admin editor collaborator viewer"`
}

// ChannelAttributes describe a message channel inside a space.
type ChannelAttributes struct {
	Name   string `mapstructure:"name" validate:"required,max=256"`
	Avatar string `mapstructure:"avatar" validate:"max=512"`
}

// DatabaseAttributes describe a structured table.
type DatabaseAttributes struct {
	Name   string         `mapstructure:"name" validate:"required,max=256"`
	Fields map[string]any `mapstructure:"fields"`
}

// RecordAttributes describe a row of a database.
type RecordAttributes struct {
	Name   string         `mapstructure:"name" validate:"max=256"`
	Values map[string]any `mapstructure:"values"`
}

// MessageAttributes describe a chat or channel message.
type MessageAttributes struct {
	Content     string `mapstructure:"content" validate:"required,max=65536"`
	ReferenceID string `mapstructure:"reference_id" validate:"max=190"`
}

// FileAttributes describe uploaded file metadata; bytes are transferred elsewhere.
type FileAttributes struct {
	Name      string `mapstructure:"name" validate:"required,max=256"`
	MimeType  string `mapstructure:"mime_type" validate:"required,max=256"`
	Extension string `mapstructure:"extension" validate:"max=32"`
	Size      int64  `mapstructure:"size" validate:"gte=0"`
}

type collaboratorSource interface {
	collaboratorRoles() map[string]Role
}

func (a SpaceAttributes) collaboratorRoles() map[string]Role  { return a.Collaborators }
func (a ChatAttributes) collaboratorRoles() map[string]Role   { return a.Collaborators }
func (a FolderAttributes) collaboratorRoles() map[string]Role { return a.Collaborators }
func (a PageAttributes) collaboratorRoles() map[string]Role   { return a.Collaborators }
