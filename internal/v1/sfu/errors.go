package sfu

import "errors"

var (
	// ErrNotInitialized is returned when a media operation arrives before Init.
	ErrNotInitialized = errors.New("sfu: engine not initialized")

	// ErrShutdown is returned for operations on a stopped engine.
	ErrShutdown = errors.New("sfu: engine is shut down")

	// ErrTransportNotFound is returned when no participant slot holds the
	// requested transport id.
	ErrTransportNotFound = errors.New("sfu: transport not found")

	// ErrTransportNotConnected is returned on produce over a transport whose
	// DTLS handshake has not been started.
	ErrTransportNotConnected = errors.New("sfu: transport not connected")

	// ErrTransportExists is returned when a second send transport is requested
	// for the same participant.
	ErrTransportExists = errors.New("sfu: send transport already exists")

	// ErrNoRecvTransport is returned on consume for a participant without a
	// receive transport.
	ErrNoRecvTransport = errors.New("sfu: no receive transport")

	// ErrProducerNotFound is returned on consume for an unknown producer.
	ErrProducerNotFound = errors.New("sfu: producer not found")

	// ErrCannotConsume is returned when the router cannot match the producer's
	// codec against the consumer's capabilities.
	ErrCannotConsume = errors.New("sfu: cannot consume producer with given capabilities")

	// ErrUnsupportedKind is returned for media kinds outside audio|video.
	ErrUnsupportedKind = errors.New("sfu: unsupported media kind")

	// ErrUnsupportedCodec is returned when produce parameters name no codec
	// the router hosts.
	ErrUnsupportedCodec = errors.New("sfu: unsupported codec")

	// ErrWorkerClosed is returned when a task is submitted to a worker that
	// already stopped.
	ErrWorkerClosed = errors.New("sfu: worker closed")

	// ErrWorkerTooBusy is returned when a worker's task queue is full.
	ErrWorkerTooBusy = errors.New("sfu: worker too busy")
)
