// Package measure prints how long a build stage took.
package measure

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Interactively prints "[status]" to w and returns a function which,
// once the stage is done, overwrites it with the elapsed time.
func Interactively(w io.Writer, status string) (done func(fragment string)) {
	status = "[" + status + "]"
	fmt.Fprint(w, status)
	start := time.Now()
	return func(fragment string) {
		took := time.Since(start)
		fmt.Fprintf(w, "\r[done] in %.2fs%s"+strings.Repeat(" ", len(status))+"\n",
			took.Seconds(),
			fragment)
	}
}
