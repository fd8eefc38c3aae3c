package option

// Option mutates a configuration value of type T.
type Option[T any] func(*T) error

// Apply runs each non nil option against cfg and stops at the first error.
func Apply[T any](cfg *T, opts ...Option[T]) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		err := opt(cfg)
		if err != nil {
			return err
		}
	}
	return nil
}

// Build copies defaults and applies the options on top of the copy.
func Build[T any](defaults T, opts ...Option[T]) (T, error) {
	cfg := defaults
	err := Apply(&cfg, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return cfg, nil
}

// Validate returns an option that fails when check rejects the current configuration.
// It is meant to be appended after user supplied options.
func Validate[T any](check func(T) error) Option[T] {
	return func(cfg *T) error {
		return check(*cfg)
	}
}
