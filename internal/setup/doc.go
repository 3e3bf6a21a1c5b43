// Package setup holds process-level defaults and the privilege escalation
// used by destructive cache maintenance.
//
// This package is essentially a collection of scripts and constants, and is therefore the only package that is
// allowed to call a global logger.
package setup
