// Package host is the local execution environment for momentkit: a wake
// source that plays the part of the OS background scheduler, a delivery
// loop that fires due notifications, and deliverers that show them either
// in the log or through the desktop notification service.
package host
