// Package ops provides the image kernels applied to stored results and the
// task factories that run them through the task manager.
//
// Kernels are pure functions over arraystore.Image. Task factories wrap a
// kernel in load, apply and save subtasks so the manager can report
// progress and cancel between steps.
package ops
