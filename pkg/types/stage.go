package types

// Stage is a step in the linear deployment state machine.
type Stage string

const (
	StageInit           Stage = "init"
	StageValidated      Stage = "validated"
	StageFetched        Stage = "fetched"
	StageProvisioned    Stage = "provisioned"
	StageTransferred    Stage = "transferred"
	StageBuilt          Stage = "built"
	StageReleased       Stage = "released"
	StageProxyConfigure Stage = "proxy_configured"
	StageVerified       Stage = "verified"
	StageFailed         Stage = "failed"
)

// Stages lists the successful path in order. StageFailed is terminal
// and reachable from any of them.
var Stages = []Stage{
	StageInit,
	StageValidated,
	StageFetched,
	StageProvisioned,
	StageTransferred,
	StageBuilt,
	StageReleased,
	StageProxyConfigure,
	StageVerified,
}

// Exit codes, one per failure stage, so calling automation can branch
// on cause. 0 is success, 1 is a usage or configuration error.
const (
	ExitOK           = 0
	ExitUsage        = 1
	ExitConnectivity = 10
	ExitFetch        = 11
	ExitProvision    = 12
	ExitTransfer     = 13
	ExitBuild        = 14
	ExitRelease      = 15
	ExitProxy        = 16
	ExitVerify       = 17
	ExitLocked       = 18
)

// ExitCodeFor maps the stage a run failed in to its process exit code.
func ExitCodeFor(failedAt Stage) int {
	switch failedAt {
	case StageInit, StageValidated:
		return ExitConnectivity
	case StageFetched:
		return ExitFetch
	case StageProvisioned:
		return ExitProvision
	case StageTransferred:
		return ExitTransfer
	case StageBuilt:
		return ExitBuild
	case StageReleased:
		return ExitRelease
	case StageProxyConfigure:
		return ExitProxy
	case StageVerified:
		return ExitVerify
	default:
		return ExitUsage
	}
}
