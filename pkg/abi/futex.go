package abi

// futex operations.
const (
	FUTEX_WAIT           = 0
	FUTEX_WAKE           = 1
	FUTEX_FD             = 2
	FUTEX_REQUEUE        = 3
	FUTEX_CMP_REQUEUE    = 4
	FUTEX_WAKE_OP        = 5
	FUTEX_LOCK_PI        = 6
	FUTEX_UNLOCK_PI      = 7
	FUTEX_TRYLOCK_PI     = 8
	FUTEX_WAIT_BITSET    = 9
	FUTEX_WAKE_BITSET    = 10
	FUTEX_PRIVATE_FLAG   = 128
	FUTEX_CLOCK_REALTIME = 256
	FUTEX_CMD_MASK       = ^(FUTEX_PRIVATE_FLAG | FUTEX_CLOCK_REALTIME)
)
