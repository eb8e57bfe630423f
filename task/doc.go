// Package task runs the firmware's cooperative tasks together.
//
// The echo firmware has exactly two tasks, the device poll loop and the
// echo loop. Neither is meant to finish, and [Join] treats the first one
// that does as the end of the program.
package task
