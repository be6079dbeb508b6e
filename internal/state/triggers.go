package state

// Trigger represents an event that causes a state transition.
type Trigger string

const (
	TriggerStart              Trigger = "start"
	TriggerCredentialRequired Trigger = "credential_required"
	TriggerAuthenticated      Trigger = "authenticated"
	TriggerConnectionLost     Trigger = "connection_lost"
	TriggerReconnect          Trigger = "reconnect"
	TriggerStop               Trigger = "stop"
	TriggerLogout             Trigger = "logout"
	TriggerDelete             Trigger = "delete"
)

// String returns the string representation of the trigger.
func (t Trigger) String() string {
	return string(t)
}
