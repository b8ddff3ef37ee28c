// Package proxy manages per-application nginx fragments on the target:
// write, validate with nginx -t, then reload. Validation failure
// restores the previous fragment and skips the reload, leaving the
// prior route intact.
package proxy
