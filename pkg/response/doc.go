// Package response processes what agents report back after executing a
// task: it validates ownership, persists the response, settles the task's
// job, updates the agent's queue and performance record, and notifies
// listening clients.
package response
