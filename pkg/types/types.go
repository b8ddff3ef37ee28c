package types

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// DeploymentRequest describes a single deployment: what to deploy, where,
// and how to reach the target. It is immutable once Validate succeeds.
type DeploymentRequest struct {
	// RepositoryURL is the HTTPS URL of the application repository
	RepositoryURL string `yaml:"repository"`

	// Credential is the token or password used to fetch the repository.
	// It is injected into the transport URL at fetch time and never
	// written to logs or the run store.
	Credential string `yaml:"credential"`

	// Branch to deploy (default: main)
	Branch string `yaml:"branch"`

	// TargetHost is the address of the host being deployed to
	TargetHost string `yaml:"host"`

	// TargetUser is the SSH user on the target
	TargetUser string `yaml:"user"`

	// AuthKeyPath is the path to the private key used for SSH auth
	AuthKeyPath string `yaml:"key"`

	// ContainerPort is the host port the container publishes (1-65535)
	ContainerPort int `yaml:"port"`

	// ServerName is the external name the proxy answers for.
	// Defaults to TargetHost when empty.
	ServerName string `yaml:"server_name"`

	// RemoteDir is the canonical application directory on the target
	// (default: app). The release name is derived from its base name.
	RemoteDir string `yaml:"remote_dir"`
}

// DefaultBranch is used when a request does not name a branch.
const DefaultBranch = "main"

// DefaultRemoteDir is the canonical application directory on the target.
const DefaultRemoteDir = "app"

// ApplyDefaults fills the optional fields of a request in place.
func (r *DeploymentRequest) ApplyDefaults() {
	if r.Branch == "" {
		r.Branch = DefaultBranch
	}
	if r.RemoteDir == "" {
		r.RemoteDir = DefaultRemoteDir
	}
	if r.ServerName == "" {
		r.ServerName = r.TargetHost
	}
}

// Validate checks that all required fields are present and well formed.
func (r *DeploymentRequest) Validate() error {
	if r.RepositoryURL == "" {
		return fmt.Errorf("repository URL is required")
	}
	if _, err := url.Parse(r.RepositoryURL); err != nil {
		return fmt.Errorf("invalid repository URL: %w", err)
	}
	if r.TargetHost == "" {
		return fmt.Errorf("target host is required")
	}
	if r.TargetUser == "" {
		return fmt.Errorf("target user is required")
	}
	if r.AuthKeyPath == "" {
		return fmt.Errorf("auth key path is required")
	}
	if r.ContainerPort < 1 || r.ContainerPort > 65535 {
		return fmt.Errorf("container port %d outside 1-65535", r.ContainerPort)
	}
	return nil
}

// AppName derives the application name from the remote directory's base
// name. Release and proxy artifacts are keyed on this name, so callers
// deploying multiple applications to one target must use distinct
// remote directories.
func (r *DeploymentRequest) AppName() string {
	return path.Base(strings.TrimRight(r.RemoteDir, "/"))
}

// Redacted returns a copy of the request safe for logging and
// persistence: the credential is replaced with a fixed marker.
func (r DeploymentRequest) Redacted() DeploymentRequest {
	if r.Credential != "" {
		r.Credential = RedactedMarker
	}
	return r
}

// RedactedMarker replaces credentials in logs and stored records.
const RedactedMarker = "[REDACTED]"

// Target identifies a reachable deployment host. It is validated once
// per orchestration run by a connectivity probe before any mutating
// step runs.
type Target struct {
	User        string
	Address     string
	AuthKeyPath string
}

// String returns user@address for logs and error messages.
func (t Target) String() string {
	return t.User + "@" + t.Address
}

// WorkingTree is a local checkout of the application source at a
// specific branch. It is owned exclusively by one orchestration run.
type WorkingTree struct {
	Path     string
	Branch   string
	Revision string // commit hash at the branch tip

	// Cloned is true when the tree was freshly cloned rather than
	// updated in place.
	Cloned bool
}

// ImageRef names a built container image.
type ImageRef struct {
	Name string
	Tag  string
}

// String returns name:tag.
func (i ImageRef) String() string {
	if i.Tag == "" {
		return i.Name
	}
	return i.Name + ":" + i.Tag
}

// ContainerRelease is a named running instance plus its backing image.
// At most one running instance exists under a given name per target.
type ContainerRelease struct {
	Name      string
	Image     ImageRef
	Port      int
	StartedAt time.Time

	// ReplacedPrevious is true when an older release under the same
	// name was stopped and removed during the swap.
	ReplacedPrevious bool
}

// ProxyRoute maps an external listen spec to an internal upstream.
// One route exists per application; redeploys overwrite it.
type ProxyRoute struct {
	// AppName scopes the configuration fragment (one file per app)
	AppName string

	// ServerName is the name the proxy answers for on port 80
	ServerName string

	// UpstreamPort is the local port the release publishes
	UpstreamPort int
}

// PackageManager identifies the package manager found on a target.
type PackageManager string

const (
	PackageManagerApt PackageManager = "apt-get"
	PackageManagerDnf PackageManager = "dnf"
	PackageManagerYum PackageManager = "yum"
)

// ProvisionReport records what the provisioner found and changed.
type ProvisionReport struct {
	PackageManager   PackageManager
	InstalledRuntime bool
	InstalledCompose bool
	InstalledProxy   bool

	// GroupMembershipOK is false when adding the deployment user to
	// the runtime's privileged group failed. Non-fatal: a privileged
	// execution fallback exists.
	GroupMembershipOK bool
}
