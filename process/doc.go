// Package process starts commands in their own process group, streams
// their output over a channel and terminates them in two phases.
//
// Output is read by one goroutine per stream and delivered as Chunks in
// the order each stream produced it. The interleaving of stdout and stderr
// chunks follows pipe scheduling and is not guaranteed.
package process
