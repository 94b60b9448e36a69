package assert

import "fmt"

// NotNil panics if value is nil, what optionally names the value in the panic message.
func NotNil(value any, what ...string) {
	if value == nil {
		if len(what) > 0 {
			panic(fmt.Sprintf("expected %s to be not nil", what[0]))
		}
		panic("expected value to be not nil")
	}
}

func NotEmptyStr(str string, what ...string) {
	if str == "" {
		if len(what) > 0 {
			panic(fmt.Sprintf("expected %s to be non-empty", what[0]))
		}
		panic("expected string to be non-empty")
	}
}

func True(cond bool, msg string) {
	if !cond {
		panic(msg)
	}
}
