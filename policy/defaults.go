package policy

import "path/filepath"

// credentialDirs are home-relative locations holding keys and tokens.
var credentialDirs = []string{
	".ssh",
	".gnupg",
	".aws",
	".azure",
	".config/gcloud",
	".kube",
	".docker",
	".netrc",
	".git-credentials",
	".npmrc",
	".pypirc",
}

// systemSecretFiles are password and privilege databases.
var systemSecretFiles = []string{
	"/etc/shadow",
	"/etc/gshadow",
	"/etc/master.passwd",
	"/etc/security/opasswd",
	"/etc/sudoers",
	"/etc/sudoers.d",
}

// DefaultFilesystemPolicy returns the stock policy: deny by default, allow
// every operation below workDir and tempDir, and deny credential locations
// under home and the system password files even when an allow rule would
// otherwise cover them. Empty arguments are skipped.
func DefaultFilesystemPolicy(home, workDir, tempDir string) (*FilesystemPolicy, error) {
	var allow, deny []PathRule
	for _, dir := range []string{workDir, tempDir} {
		if dir != "" {
			allow = append(allow, PathRule{Pattern: dir, Ops: OpAll})
		}
	}
	if home != "" {
		for _, rel := range credentialDirs {
			deny = append(deny, PathRule{Pattern: filepath.Join(home, rel), Ops: OpAll})
		}
	}
	for _, f := range systemSecretFiles {
		deny = append(deny, PathRule{Pattern: f, Ops: OpAll})
	}
	return newFilesystemPolicy(Deny, home, allow, deny)
}

// DefaultNetworkPolicy denies every request.
func DefaultNetworkPolicy() *NetworkPolicy {
	return &NetworkPolicy{}
}
