package profile

import (
	"fmt"
	"strings"
)

// GenerateApplyScript renders a POSIX sh script that installs p with apk
// and runs its verification commands.
func GenerateApplyScript(p Profile) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -e\n\n")
	fmt.Fprintf(&b, "# Profile: %s\n", p.Name)
	fmt.Fprintf(&b, "# Description: %s\n", p.Description)
	fmt.Fprintf(&b, "# Packages: %s\n\n", strings.Join(p.Packages, ", "))
	fmt.Fprintf(&b, "echo \"==> Installing packages for profile: %s\"\n", p.Name)
	fmt.Fprintf(&b, "apk add --no-cache %s\n\n", strings.Join(p.Packages, " "))
	b.WriteString("echo \"==> Running verification...\"\n")
	b.WriteString(p.Script)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "echo \"==> Profile '%s' applied successfully!\"\n", p.Name)
	return b.String()
}

// GenerateRemoveScript renders a POSIX sh script that uninstalls p.
// Removal failures are ignored.
func GenerateRemoveScript(p Profile) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -e\n\n")
	fmt.Fprintf(&b, "echo \"==> Removing packages for profile: %s\"\n", p.Name)
	fmt.Fprintf(&b, "apk del %s || true\n\n", strings.Join(p.Packages, " "))
	fmt.Fprintf(&b, "echo \"==> Profile '%s' removed.\"\n", p.Name)
	return b.String()
}
