package absinthews

import (
	"errors"
	"fmt"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
)

func parseDocument(query string) (*ast.Document, error) {
	return parser.Parse(parser.ParseParams{
		Source: query,
	})
}

func operationDefinitionsWithOperation(
	doc *ast.Document,
	op string,
) []*ast.OperationDefinition {
	defs := []*ast.OperationDefinition{}
	for _, node := range doc.Definitions {
		if node.GetKind() == "OperationDefinition" {
			if def, ok := node.(*ast.OperationDefinition); ok {
				if def.Operation == op {
					defs = append(defs, def)
				}
			}
		}
	}
	return defs
}

// validateSubscriptionDocument checks that the document carries at least one
// subscription operation and nothing else. Queries and mutations cannot be
// pushed over the control topic.
func validateSubscriptionDocument(doc *ast.Document) error {
	operations := 0
	for _, node := range doc.Definitions {
		def, ok := node.(*ast.OperationDefinition)
		if !ok {
			// Fragment definitions are allowed alongside the operation.
			continue
		}
		operations++
		if def.Operation != "subscription" {
			return fmt.Errorf("unsupported %q operation: only subscriptions can be started", def.Operation)
		}
	}
	if operations == 0 {
		return errors.New("document has no subscription operation")
	}
	return nil
}

// subscriptionFieldNamesFromDocument returns the names of the root fields the
// document subscribes to. Typically there is only one.
func subscriptionFieldNamesFromDocument(doc *ast.Document) []string {
	names := make([]string, 0, 1)
	for _, def := range operationDefinitionsWithOperation(doc, "subscription") {
		set := def.GetSelectionSet()
		if set == nil {
			continue
		}
		for _, selection := range set.Selections {
			if field, ok := selection.(*ast.Field); ok {
				names = append(names, field.Name.Value)
			}
		}
	}
	return names
}
