// Package bus lets independent surfaces on one device ask each other to
// sync, without a shared in-memory coordinator.
//
// A surface emits "pull now" or "push now"; every other surface that
// subscribed runs its own pull or push. Signals travel over several
// adapters at once:
//
//	LocalAdapter  same context (handlers on the emitting bus)
//	HubAdapter    other buses in the same process sharing a named Hub
//	FileAdapter   other processes watching the same directory
//
// A listener attached through any one adapter hears the signal even if
// another adapter is unavailable where it runs. The price is duplicate
// delivery: handlers must be idempotent.
package bus
