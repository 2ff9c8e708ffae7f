package hashtable

import "errors"

var errPollIntervalTooLarge = errors.New("hashtable: pollInterval must be <= min(activeTimeout, inactiveTimeout)/2")
