package config

import (
	"errors"
	"fmt"
)

var errMinIORequired = errors.New("minio.endpoint and minio.bucket are required for the minio storage driver")

type partitionError struct {
	partition  int
	partitions int
}

func (e *partitionError) Error() string {
	return fmt.Sprintf("nats.consumers: partition %d outside 0..%d", e.partition, e.partitions-1)
}

type loadError struct {
	op  string
	err error
}

func (e *loadError) Error() string { return "config: " + e.op + ": " + e.err.Error() }

func (e *loadError) Unwrap() error { return e.err }
