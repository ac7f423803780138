package registry

import (
	"strings"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
)

const (
	// QualifiedPrefix starts every qualified tool name
	QualifiedPrefix = "mcp"
	// Separator joins the prefix, server and tool components
	Separator = "__"
)

// QualifyName returns mcp__<server>__<tool>
func QualifyName(server, tool string) string {
	return QualifiedPrefix + Separator + server + Separator + tool
}

// ParseQualifiedName splits a qualified name into server and tool. The server
// ends at the first separator after the prefix, so a tool name may contain
// the separator but a server name never can.
func ParseQualifiedName(qualified string) (server, tool string, err error) {
	rest, ok := strings.CutPrefix(qualified, QualifiedPrefix+Separator)
	if !ok {
		return "", "", mcperrors.InvalidParameter("name", qualified, "mcp__<server>__<tool>")
	}
	server, tool, ok = strings.Cut(rest, Separator)
	if !ok || server == "" || tool == "" {
		return "", "", mcperrors.InvalidParameter("name", qualified, "mcp__<server>__<tool>")
	}
	return server, tool, nil
}

// ValidateServerName rejects names that would not survive qualification
func ValidateServerName(server string) error {
	switch {
	case server == "":
		return mcperrors.MissingParameter("server")
	case strings.Contains(server, Separator):
		return mcperrors.InvalidParameter("server", server, "a name without \"__\"")
	case strings.HasPrefix(server, "_") || strings.HasSuffix(server, "_"):
		return mcperrors.InvalidParameter("server", server, "a name that does not start or end with \"_\"")
	case strings.ContainsAny(server, "/ \t\r\n"):
		return mcperrors.InvalidParameter("server", server, "a name without slashes or whitespace")
	}
	return nil
}
