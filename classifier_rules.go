package agentexec

import "sync"

// Regex fragments shared by the rule table. cmdStart anchors a program name
// at the start of the command or after a shell separator; cmdEnd ends a
// token.
const (
	cmdStart = "(?:^|[\\s;&|(\\x60])"
	cmdEnd   = "(?:$|[\\s;&|)\\x60])"

	recursiveFlag = "(?:-[a-zA-Z]*[rR][a-zA-Z]*|--recursive)"
	diskDevice    = "/dev/(?:sd|hd|vd|xvd|nvme|mmcblk|disk)[a-z0-9]*"
)

// defaultRules is the screening table in evaluation order. It is not
// configurable at runtime.
var defaultRules = []Rule{
	// Recursive delete of the root or home directory.
	{Name: "rm-rf-root", Kind: RuleDeny, Matcher: MatchLiteral, Phrase: "rm -rf /",
		Description: "recursive delete of the root directory (rm -rf /)"},
	{Name: "rm-rf-root-glob", Kind: RuleDeny, Matcher: MatchLiteral, Phrase: "rm -rf /*",
		Description: "recursive delete of everything under the root directory (rm -rf /*)"},
	{Name: "rm-fr-root", Kind: RuleDeny, Matcher: MatchLiteral, Phrase: "rm -fr /",
		Description: "recursive delete of the root directory (rm -fr /)"},
	{Name: "rm-rf-home", Kind: RuleDeny, Matcher: MatchLiteral, Phrase: "rm -rf ~",
		Description: "recursive delete of the home directory (rm -rf ~)"},
	{Name: "rm-rf-home-slash", Kind: RuleDeny, Matcher: MatchLiteral, Phrase: "rm -rf ~/",
		Description: "recursive delete of the home directory (rm -rf ~/)"},
	{Name: "rm-rf-home-var", Kind: RuleDeny, Matcher: MatchLiteral, Phrase: "rm -rf $HOME",
		Description: "recursive delete of the home directory (rm -rf $HOME)"},
	{Name: "rm-rf-home-brace", Kind: RuleDeny, Matcher: MatchLiteral, Phrase: "rm -rf ${HOME}",
		Description: "recursive delete of the home directory (rm -rf ${HOME})"},
	{Name: "no-preserve-root", Kind: RuleDeny, Matcher: MatchLiteral, Phrase: "--no-preserve-root",
		Description: "recursive delete with root protection disabled (--no-preserve-root)"},
	{Name: "rm-recursive-root", Kind: RuleDeny, Matcher: MatchRegex,
		Phrase: cmdStart + `rm\s+(?:-\S+\s+)*` + recursiveFlag + `\s+(?:-\S+\s+)*(?:/\*?|~/?|\$HOME/?|\$\{HOME\}/?)` + cmdEnd,
		Description: "recursive delete of the root or home directory (rm -r /)"},

	// Disk wipe.
	{Name: "dd-disk", Kind: RuleDeny, Matcher: MatchRegex,
		Phrase:      cmdStart + `dd\s.*\bof=` + diskDevice,
		Description: "raw write to a disk device (dd of=/dev/...)"},
	{Name: "redirect-disk", Kind: RuleDeny, Matcher: MatchRegex,
		Phrase:      `>\s*` + diskDevice,
		Description: "redirect into a disk device (> /dev/sd...)"},

	// Filesystem format.
	{Name: "mkfs", Kind: RuleDeny, Matcher: MatchRegex,
		Phrase:      cmdStart + `mkfs(?:\.[a-z0-9]+)?(?:$|\s)`,
		Description: "filesystem format (mkfs)"},

	// Fork bomb.
	{Name: "fork-bomb", Kind: RuleDeny, Matcher: MatchRegex,
		Phrase:      `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`,
		Description: "fork bomb (:(){ :|:& };:)"},

	// Recursive permission or ownership reset of the root directory.
	{Name: "chmod-chown-root", Kind: RuleDeny, Matcher: MatchRegex,
		Phrase:      cmdStart + `(?:chmod|chown|chgrp)\s+(?:\S+\s+)*(?:-[a-zA-Z]*R[a-zA-Z]*|--recursive)\s+(?:\S+\s+)*/` + cmdEnd,
		Description: "recursive permission reset of the root directory (chmod -R /)"},

	{Name: "recursive-delete", Kind: RuleWarn, Matcher: MatchRegex,
		Phrase:      cmdStart + `rm\s+(?:\S+\s+)*` + recursiveFlag + `(?:$|\s)`,
		Description: "recursive delete (rm -r)"},
	{Name: "sudo-rm", Kind: RuleWarn, Matcher: MatchRegex,
		Phrase:      cmdStart + `sudo\s+(?:-\S+\s+)*rm(?:$|\s)`,
		Description: "privileged delete (sudo rm)"},
	{Name: "world-writable", Kind: RuleWarn, Matcher: MatchRegex,
		Phrase:      cmdStart + `chmod\s+(?:-\S+\s+)*(?:0?777|[ugoa]*[ao][ugoa]*\+[rwxXst]*w[rwxXst]*)(?:$|\s)`,
		Description: "world-writable permission change (chmod 777 / a+w / o+w)"},
	{Name: "eval", Kind: RuleWarn, Matcher: MatchRegex,
		Phrase:      cmdStart + `eval(?:$|\s)`,
		Description: "dynamic evaluation (eval)"},
	{Name: "exec", Kind: RuleWarn, Matcher: MatchRegex,
		Phrase:      cmdStart + `exec(?:$|\s)`,
		Description: "process replacement (exec)"},
	{Name: "pipe-to-shell", Kind: RuleWarn, Matcher: MatchRegex,
		Phrase:      cmdStart + `(?:curl|wget)\s[^|]*\|\s*(?:sudo\s+)?(?:ba|z|da|k)?sh(?:$|\s)`,
		Description: "network download piped into a shell (curl | sh)"},
}

var (
	defaultClassifierOnce sync.Once
	defaultClassifierInst *ruleClassifier
)

func defaultRuleClassifier() *ruleClassifier {
	defaultClassifierOnce.Do(func() {
		defaultClassifierInst = newRuleClassifier(defaultRules)
	})
	return defaultClassifierInst
}

// DefaultClassifier returns the built-in screener. The returned value is a
// shared, immutable singleton.
func DefaultClassifier() Classifier {
	return defaultRuleClassifier()
}

// Rules returns a copy of the built-in screening table in evaluation order.
func Rules() []Rule {
	return defaultRuleClassifier().Rules()
}
