// Package version хранит build-метаданные движка, проставляемые через
// -ldflags при сборке release-бинарей.
package version

import "fmt"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info возвращает версию, commit и дату сборки.
func Info() (v, c, d string) { return version, commit, date }

// GetVersion возвращает только номер версии.
func GetVersion() string { return version }

// String собирает однострочное описание сборки для логов старта.
func String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", version, commit, date)
}
