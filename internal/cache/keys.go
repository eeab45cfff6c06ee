package cache

import "fmt"

func ParseJobKey(id int64) string {
	return fmt.Sprintf("parse_job:%d", id)
}

func RateLimitKey(subject string) string {
	return fmt.Sprintf("ratelimit:%s", subject)
}
