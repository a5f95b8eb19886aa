// Package text implements a node type changing the case of text values.
package text

import (
	"context"
	"fmt"
	"iter"

	"github.com/Jeffail/gabs/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/marc45/rule-engine/pkg/node"
	"github.com/marc45/rule-engine/pkg/nodes"
	"github.com/marc45/rule-engine/pkg/ruledata"
)

// Type is the registry name of the text node.
const Type = "text"

// Settings configures a text node.
type Settings struct {
	Case     string `json:"case" default:"upper" validate:"oneof=upper lower title fold"`
	Language string `json:"language" default:"und"`
	// Field is a dotted path into a structured payload. When empty the
	// payload itself must be a string.
	Field string `json:"field"`
}

// newCaser returns a constructor of the configured caser. A cases.Caser is
// stateful and not safe for concurrent use, so each item gets its own.
func newCaser(settings Settings) (func() cases.Caser, error) {
	tag, err := language.Parse(settings.Language)
	if err != nil {
		return nil, fmt.Errorf("invalid language %q: %w", settings.Language, err)
	}
	switch settings.Case {
	case "lower":
		return func() cases.Caser { return cases.Lower(tag) }, nil
	case "title":
		return func() cases.Caser { return cases.Title(tag) }, nil
	case "fold":
		return func() cases.Caser { return cases.Fold() }, nil
	default:
		return func() cases.Caser { return cases.Upper(tag) }, nil
	}
}

// NewFactory returns the factory of text nodes.
func NewFactory() node.ExecutorFactory {
	return node.ExecutorFactoryFunc(func(ectx node.ExecutionContext, cfg node.Config) (node.Executor, error) {
		var settings Settings
		if err := nodes.Decode(cfg, &settings); err != nil {
			return nil, err
		}
		c, err := newCaser(settings)
		if err != nil {
			return nil, node.NewConfigurationError(nodes.ID(cfg), err)
		}
		return &executor{settings: settings, caser: c}, nil
	})
}

type executor struct {
	settings Settings
	caser    func() cases.Caser
}

func (e *executor) Execute(ctx context.Context, data *ruledata.RuleData) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		out, err := e.apply(data.Payload)
		yield(out, err)
	}
}

func (e *executor) apply(payload any) (any, error) {
	c := e.caser()
	if e.settings.Field == "" {
		s, ok := payload.(string)
		if !ok {
			return nil, fmt.Errorf("payload is %T, expected a string", payload)
		}
		return c.String(s), nil
	}

	doc := gabs.Wrap(ruledata.Clone(payload))
	s, ok := doc.Path(e.settings.Field).Data().(string)
	if !ok {
		return nil, fmt.Errorf("field %q is not a string", e.settings.Field)
	}
	if _, err := doc.SetP(c.String(s), e.settings.Field); err != nil {
		return nil, fmt.Errorf("failed to set field %q: %w", e.settings.Field, err)
	}
	return doc.Data(), nil
}
