package txflow

import (
	"strings"

	"revertprobe/internal/wallet"
)

// Verdict is how a wallet error is reflected in an operation's status.
type Verdict int

const (
	VerdictFailed Verdict = iota
	VerdictCancelled
)

// Rule matches an error by provider code, by message substring, or both.
type Rule struct {
	Name string
	// Code matches when non-zero.
	Code int
	// Contains is matched case-insensitively when non-empty.
	Contains string
	Verdict  Verdict
}

func (r Rule) matches(err error, msg string) bool {
	if r.Code == 0 && r.Contains == "" {
		return false
	}
	if r.Code != 0 && !wallet.HasCode(err, r.Code) {
		return false
	}
	if r.Contains != "" && !strings.Contains(msg, strings.ToLower(r.Contains)) {
		return false
	}
	return true
}

// Classifier is an ordered rule table; the first matching rule decides. Errors matching no
// rule are failures. New wallets that word rejections differently need a rule here, or
// their rejections show up as failures.
type Classifier struct {
	rules []Rule
}

func NewClassifier(rules ...Rule) *Classifier {
	return &Classifier{rules: append([]Rule(nil), rules...)}
}

// DefaultClassifier recognizes the EIP-1193 rejection code and the rejection wording of
// common wallets.
func DefaultClassifier() *Classifier {
	return NewClassifier(
		Rule{Name: "eip1193-user-rejected", Code: wallet.CodeUserRejected, Verdict: VerdictCancelled},
		Rule{Name: "user-rejected", Contains: "user rejected", Verdict: VerdictCancelled},
		Rule{Name: "user-denied", Contains: "user denied", Verdict: VerdictCancelled},
		Rule{Name: "rejected-by-user", Contains: "rejected by user", Verdict: VerdictCancelled},
		Rule{Name: "user-cancelled", Contains: "user cancelled", Verdict: VerdictCancelled},
		Rule{Name: "user-canceled", Contains: "user canceled", Verdict: VerdictCancelled},
	)
}

// With returns a classifier that consults rules after the existing ones.
func (c *Classifier) With(rules ...Rule) *Classifier {
	return NewClassifier(append(append([]Rule(nil), c.rules...), rules...)...)
}

// Classify returns the verdict for err and the name of the rule that decided it.
func (c *Classifier) Classify(err error) (Verdict, string) {
	if err == nil {
		return VerdictFailed, ""
	}
	msg := strings.ToLower(err.Error())
	for _, r := range c.rules {
		if r.matches(err, msg) {
			return r.Verdict, r.Name
		}
	}
	return VerdictFailed, ""
}
