/*
Package signal implements per-process and per-thread signal state.

A Context holds the 64-entry action table, the pending and blocked sets, one
stored Info per pending signal and a FrameManager with three signal-frame
slots (primary, alternate and emergency stacks).

# Delivery

Delivery is a small state machine driven by the kernel at every return to
user mode:

	Idle        no pending signal outside the blocked set
	Deliverable some pending signal is not blocked
	Dispatching the lowest such signal is selected and its action applied
	InHandler   a frame is loaded and the user context runs the handler
	Returning   rt_sigreturn unloads the frame

Deliver performs the Deliverable to InHandler step. Selecting a signal does
not clear its pending bit. Ignored and default-handled signals are consumed
right away; a caught signal stays pending until its frame is unloaded, so
repeated generation while the handler runs coalesces into the one delivery.

Only one frame per Context can be loaded at a time. While it is loaded,
further deliverable signals stay pending until the handler returns.
*/
package signal
