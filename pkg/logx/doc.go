// Package logx is a thin zerolog wrapper with live-reconfigurable sinks.
//
// Components hold a Logger value; the backing Service can swap levels and
// outputs at runtime (config hot reload) without anyone re-wiring loggers.
package logx
