package worker

import (
	"github.com/archlinux/buildbtw/pkg/domain"
)

// StatusReport is the body of the node status endpoint, sent by local
// workers and CI callbacks.
type StatusReport struct {
	// one of "building", "built", "failed".
	Status string `json:"status"`

	ExecutorRef string `json:"executor_ref,omitempty"`
}

// Assignment is the response of the long-poll assignment endpoint.
type Assignment struct {
	NamespaceName string                 `json:"namespace_name"`
	IterationId   string                 `json:"iteration_id"`
	Pkgbase       string                 `json:"pkgbase"`
	Branch        string                 `json:"branch"`
	Commit        string                 `json:"commit"`
	Architecture  string                 `json:"architecture"`
	Metadata      domain.PackageMetadata `json:"metadata"`

	// bearer token authorizing status reports and uploads for this
	// node.
	Token string `json:"token"`
}
