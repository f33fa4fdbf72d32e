package reliability

import "time"

// IsRetryableHTTPStatus reports whether a token or completion request that
// failed with code is worth repeating.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsAbnormalClose reports whether a transcription socket close code means the
// connection was lost rather than ended on purpose.
func IsAbnormalClose(code int) bool {
	switch code {
	case 0, 1000, 1001:
		return false
	default:
		return true
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}
