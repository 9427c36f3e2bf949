// Package activity registers activity handlers and runs single activity
// attempts.
//
// Activities are where side effects live. The executor runs one attempt
// under the start-to-close timeout and classifies its outcome; retrying is
// decided by the engine from the activity's retry policy, never here.
package activity
