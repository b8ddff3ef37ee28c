// Package release swaps a target from its current container release to
// a newly built image using candidate validation, so a failed deploy
// always leaves the previous release serving.
package release
