package utils

type PermError string

func (e PermError) Error() string {
	return string(e)
}

func (e PermError) IsPermanent() bool {
	return true
}

// Permanent is implemented by errors that must not be retried.
type Permanent interface {
	IsPermanent() bool
}
