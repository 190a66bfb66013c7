// Package events provides the event-bus subject vocabulary shared across
// the control plane.
package events

// Subjects for project/fork registry broadcasts. The registry and the
// session orchestrator publish on these; the client gateway relays them to
// every connected browser as project_created|updated|deleted.
const (
	ProjectCreated = "project.created"
	ProjectUpdated = "project.updated"
	ProjectDeleted = "project.deleted"
)
