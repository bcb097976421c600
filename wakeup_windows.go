//go:build windows

package aio

// Windows needs no self-pipe: PostQueuedCompletionStatus delivers wakeups
// directly to the completion port. Wake packets carry wakeKey, which is
// never a valid registration key because handle zero is invalid.
const wakeKey uintptr = 0
