package sync

import (
	"fmt"

	"github.com/brandon/mailsync/pkg/types"
)

// FlagPolicy resolves flag differences of a message that has no
// recorded state from a previous sync.
type FlagPolicy string

const (
	// PolicyRecent prefers the side touched last and falls back to the
	// remote side when either time is unknown or both are equal.
	PolicyRecent FlagPolicy = "recent"
	PolicyRemote FlagPolicy = "remote"
	PolicyLocal  FlagPolicy = "local"
	PolicyUnion  FlagPolicy = "union"
)

// ParseFlagPolicy validates a configured policy name. An empty name is
// PolicyRecent.
func ParseFlagPolicy(s string) (FlagPolicy, error) {
	switch p := FlagPolicy(s); p {
	case PolicyRecent, PolicyRemote, PolicyLocal, PolicyUnion:
		return p, nil
	case "":
		return PolicyRecent, nil
	}
	return "", fmt.Errorf("unknown flag policy %q", s)
}

// mergeFlags returns the flags both sides should end up with.
//
// With a prior state every flag is merged three ways: a side that changed
// the flag since the last sync wins. Flags are binary, so the two sides
// never change one flag in opposite directions.
func mergeFlags(prior types.Flags, hasPrior bool, local, remote types.Envelope, policy FlagPolicy) types.Flags {
	if local.Flags.Equal(remote.Flags) {
		return types.NewFlags(local.Flags...)
	}
	if hasPrior {
		return mergeThreeWay(prior, local.Flags, remote.Flags)
	}

	switch policy {
	case PolicyLocal:
		return types.NewFlags(local.Flags...)
	case PolicyUnion:
		return local.Flags.Union(remote.Flags)
	case PolicyRemote:
		return types.NewFlags(remote.Flags...)
	}

	if !local.Touched.IsZero() && !remote.Touched.IsZero() && local.Touched.After(remote.Touched) {
		return types.NewFlags(local.Flags...)
	}
	return types.NewFlags(remote.Flags...)
}

func mergeThreeWay(prior, local, remote types.Flags) types.Flags {
	all := prior.Union(local).Union(remote)
	out := make([]types.Flag, 0, len(all))
	for _, f := range all {
		p, l, r := prior.Has(f), local.Has(f), remote.Has(f)
		v := l
		if l == p {
			v = r
		}
		if v {
			out = append(out, f)
		}
	}
	return types.NewFlags(out...)
}
