// Package mqtt adapts the Eclipse Paho clients to the callback contract
// the delivery core expects.
//
// Two implementations are provided. [Client311] wraps
// github.com/eclipse/paho.mqtt.golang; completion of a publish token
// becomes the publish-acknowledgment callback. [Client5] wraps the raw
// github.com/eclipse/paho.golang v5 client. Both hand publishes to
// worker goroutines, since either library may block while sending, and
// both assign their own tracking ids from a pool. An id is not reissued
// until the event loop has processed its acknowledgment.
//
// Neither adapter reconnects on its own. Automatic reconnection in the
// Paho libraries is disabled; the supervisor decides when to call
// Connect again. Every callback is delivered through an [Executor] so
// that handlers run on the event loop and never on a Paho goroutine.
package mqtt
