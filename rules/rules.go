//go:build ruleguard

// Package gorules contains custom linting rules for golangci-lint via ruleguard.
// They keep alertai code on its logging, error and concurrency conventions.
package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// WaitGroupGo detects goroutines paired with manual Done calls.
//
// Old pattern:
//
//	wg.Add(1)
//	go func() {
//	    defer wg.Done()
//	    send()
//	}()
//
// New pattern:
//
//	wg.Go(func() {
//	    send()
//	})
func WaitGroupGo(m dsl.Matcher) {
	m.Match(`go func() { defer $wg.Done(); $*_ }()`).
		Where(m["wg"].Type.Is("*sync.WaitGroup")).
		Report("use $wg.Go(func() { ... }) instead of go func() { defer $wg.Done(); ... }()").
		Suggest("$wg.Go(func() { $*_ })")

	m.Match(`$wg.Add(1)`).
		Where(m["wg"].Type.Is("*sync.WaitGroup")).
		Report("consider $wg.Go(), which calls Add(1) itself")
}

// StdLog detects the standard library logger in library packages. Modules
// log through logger.Global().Module(name) so levels and outputs are shared.
func StdLog(m dsl.Matcher) {
	m.Match(`log.Printf($*_)`, `log.Println($*_)`, `log.Print($*_)`, `log.Fatalf($*_)`, `log.Fatal($*_)`).
		Where(m.File().PkgPath.Matches(`/internal/`) && m.File().Imports("log")).
		Report("use the module logger from internal/logger instead of the log package")
}

// TestContext detects background contexts in tests, which outlive the test.
func TestContext(m dsl.Matcher) {
	m.Match(`context.Background()`, `context.TODO()`).
		Where(m.File().Name.Matches(`_test\.go$`)).
		Report("use t.Context() so work is cancelled when the test ends").
		Suggest("t.Context()")
}

// RecordNotFoundCompare detects direct comparison with gorm.ErrRecordNotFound,
// which misses wrapped errors.
func RecordNotFoundCompare(m dsl.Matcher) {
	m.Match(`$err == gorm.ErrRecordNotFound`).
		Report("use errors.Is($err, gorm.ErrRecordNotFound)").
		Suggest("errors.Is($err, gorm.ErrRecordNotFound)")

	m.Match(`$err != gorm.ErrRecordNotFound`).
		Report("use !errors.Is($err, gorm.ErrRecordNotFound)").
		Suggest("!errors.Is($err, gorm.ErrRecordNotFound)")
}

// EchoStatusLiteral detects numeric status codes in echo handlers.
func EchoStatusLiteral(m dsl.Matcher) {
	m.Match(`$c.JSON($code, $*_)`, `$c.NoContent($code)`).
		Where(m["c"].Type.Is("echo.Context") && m["code"].Const && m["code"].Node.Is("BasicLit")).
		Report("use a net/http status constant instead of $code")
}

// TimeFormatConstants detects layouts that have named constants.
func TimeFormatConstants(m dsl.Matcher) {
	m.Match(`$t.Format("2006-01-02 15:04:05")`).
		Report(`use $t.Format(time.DateTime)`).
		Suggest(`$t.Format(time.DateTime)`)

	m.Match(`$t.Format("2006-01-02")`).
		Report(`use $t.Format(time.DateOnly)`).
		Suggest(`$t.Format(time.DateOnly)`)
}
