package domain

import "time"

// AssetType names a kind of stored asset.
type AssetType string

const (
	AssetTypeAgent    AssetType = "agent"
	AssetTypeMaterial AssetType = "material"
	AssetTypeUser     AssetType = "user"
)

// GPTMode is the model-quality setting of an agent.
type GPTMode string

const (
	GPTModeQuality GPTMode = "quality"
	GPTModeSpeed   GPTMode = "speed"
	GPTModeCost    GPTMode = "cost"
)

// Valid reports whether m is one of the known gpt modes.
func (m GPTMode) Valid() bool {
	switch m {
	case GPTModeQuality, GPTModeSpeed, GPTModeCost:
		return true
	}
	return false
}

// ExecutionModeKind names how an agent turns model output into action.
type ExecutionModeKind string

const (
	ExecutionModeInterpreter ExecutionModeKind = "interpreter"
	ExecutionModeAutomator   ExecutionModeKind = "automator"
	ExecutionModeDirector    ExecutionModeKind = "director"
)

// MaterialContentType is how a material's content becomes prompt text.
type MaterialContentType string

const (
	ContentStaticText  MaterialContentType = "static_text"
	ContentDynamicText MaterialContentType = "dynamic_text"
	ContentAPI         MaterialContentType = "api"
)

// DirectorAgentID is the id of the built-in orchestrating agent.
const DirectorAgentID = "director"

// AssetMeta holds the fields every asset carries.
type AssetMeta struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	Usage        string    `json:"usage" yaml:"usage"`
	Version      string    `json:"version" yaml:"version"`
	Enabled      bool      `json:"enabled" yaml:"enabled"`
	LastModified time.Time `json:"last_modified" yaml:"-"`
}

// Asset is any stored asset.
type Asset interface {
	Meta() AssetMeta
	Type() AssetType
}

// Actor is an asset that can own a message group.
type Actor interface {
	Asset
	ActorID() string
	DisplayName() string
}

// Agent is an AI actor with an execution mode.
type Agent struct {
	AssetMeta     `yaml:",inline"`
	ExecutionMode ExecutionModeKind `json:"execution_mode" yaml:"execution_mode"`
	GPTMode       GPTMode           `json:"gpt_mode" yaml:"gpt_mode"`
	System        string            `json:"system" yaml:"system"`
}

func (a *Agent) Meta() AssetMeta     { return a.AssetMeta }
func (a *Agent) Type() AssetType     { return AssetTypeAgent }
func (a *Agent) ActorID() string     { return AgentActorID(a.ID) }
func (a *Agent) DisplayName() string { return a.Name }

// User is a human actor.
type User struct {
	AssetMeta `yaml:",inline"`
	Profile   UserProfile `json:"profile" yaml:"profile"`
}

// UserProfile is the public identity of a user.
type UserProfile struct {
	DisplayName    string `json:"display_name" yaml:"display_name"`
	ProfilePicture string `json:"profile_picture,omitempty" yaml:"profile_picture,omitempty"`
}

func (u *User) Meta() AssetMeta { return u.AssetMeta }
func (u *User) Type() AssetType { return AssetTypeUser }
func (u *User) ActorID() string { return UserActorIDFor(u.ID) }

func (u *User) DisplayName() string {
	if u.Profile.DisplayName != "" {
		return u.Profile.DisplayName
	}
	return u.Name
}

// Material is a reusable prompt snippet.
type Material struct {
	AssetMeta   `yaml:",inline"`
	ContentType MaterialContentType `json:"content_type" yaml:"content_type"`
	Content     string              `json:"content" yaml:"content"`
}

func (m *Material) Meta() AssetMeta { return m.AssetMeta }
func (m *Material) Type() AssetType { return AssetTypeMaterial }

// DefaultDirector is the built-in agent that picks who acts next.
func DefaultDirector() *Agent {
	return &Agent{
		AssetMeta: AssetMeta{
			ID:      DirectorAgentID,
			Name:    "Director",
			Usage:   "Chooses the agent and materials for the next step of the conversation.",
			Version: "1",
			Enabled: true,
		},
		ExecutionMode: ExecutionModeDirector,
		GPTMode:       GPTModeSpeed,
	}
}
