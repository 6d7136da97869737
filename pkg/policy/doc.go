/*
Package policy implements execution policies: predicates over node properties
that decide which nodes a job may run on.

A policy is a small tree of rules. Leaves compare one node property
(Equal, Contains, OneOf, RegExp, AtLeast, AtMost); inner nodes combine
children (And, Or, Not). Trees are plain structs so they travel inside job
files (YAML) and the admin API (JSON) unchanged.

	p := policy.And(
		policy.AtLeast("threads", 4),
		policy.Not(policy.Equal("os", "windows")),
	)
	if err := p.Validate(); err != nil { ... }
	ok := p.Accepts(node.Properties)

A missing property never matches a leaf. A nil policy accepts every node.
*/
package policy
