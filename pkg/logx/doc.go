// Package logx is thumbq's structured logger, a thin layer over zerolog.
//
// Console records go to stderr so stdout stays free for the progress bar.
// An optional file sink writes JSON lines. Loggers obtained from a Service
// follow its level across config reloads; Nop and the zero Logger discard.
package logx
