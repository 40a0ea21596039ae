// Package services holds the error taxonomy and context plumbing shared by
// every shotline component. Errors are classified by wrapping one of the
// sentinel markers; callers branch with errors.Is rather than string checks.
package services
