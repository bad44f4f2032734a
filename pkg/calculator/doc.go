// Package calculator turns scaling rules and fused metric samples into an
// ideal instance count range. It is pure and stateless: the reconciler
// owns all policy around what to do with the range.
package calculator
