// formatação de valores em headers sem passar por fmt.

package ratelimit

import (
	"strconv"
	"time"
)

func formatInt(v int) string { return strconv.Itoa(v) }

func formatInt64(v int64) string { return strconv.FormatInt(v, 10) }

// formatISO usa precisão de milissegundos em UTC (ex: 2024-01-02T03:04:05.000Z).
func formatISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
