// Package event provides Publisher, a generic synchronous broadcast
// primitive used for the worker's progress and data feeds.
package event
