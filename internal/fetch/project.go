package fetch

import (
	"fmt"

	"github.com/jmespath/go-jmespath"
)

// project returns the value selected by the JMESPath expression, or v itself when the expression
// is empty. A non-matching expression selects nil.
func project(v any, expression string) (any, error) {
	if expression == "" {
		return v, nil
	}
	out, err := jmespath.Search(expression, v)
	if err != nil {
		return nil, fmt.Errorf("jmespath: %w", err)
	}
	return out, nil
}
