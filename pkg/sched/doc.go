/*
Package sched runs kernel tasks and lets them block.

Every Task is backed by a goroutine. A Task is created with NewTask, which
allocates its id, and only runs once Start hands it to the Scheduler; a task
that is never started can be handed back with Discard so its id is freed.

WaitQueue is the blocking primitive. A waiter registers with Prepare before
checking its wake-up condition, so a Notify that races with the check is
never lost. Sleep returns early when the context is done (timeouts are
expressed as context deadlines) or when the task is interrupted because a
signal became deliverable.
*/
package sched
