// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package mcptools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/xeipuuv/gojsonschema"

	crucerr "github.com/crucible-mcp/crucible/pkg/errors"
)

// mustCompileSchema compiles a tool's input schema for request validation.
// Tool schemas are static literals, so a compile failure is a programming
// error and panics at registration time.
func mustCompileSchema(tool mcp.Tool) *gojsonschema.Schema {
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		panic(fmt.Sprintf("marshaling %s input schema: %v", tool.Name, err))
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("compiling %s input schema: %v", tool.Name, err))
	}
	return schema
}

// validateArgs checks the request arguments against the compiled schema
// and folds any violations into a single bad_request error.
func validateArgs(schema *gojsonschema.Schema, request mcp.CallToolRequest) error {
	args, ok := request.Params.Arguments.(map[string]any)
	if !ok {
		args = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return crucerr.NewBadRequestError("invalid arguments", err)
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, violation := range result.Errors() {
		details = append(details, violation.String())
	}
	return crucerr.NewBadRequestError("invalid arguments: "+strings.Join(details, "; "), nil)
}
