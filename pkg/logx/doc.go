// Package logx provides a small structured logging facade over zerolog.
//
// Components hold Logger values; sinks and levels are owned by a single
// Service whose Apply() can swap outputs at runtime (config hot reload)
// without invalidating loggers already handed out.
package logx
