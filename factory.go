package queue

import "github.com/DoNewsCode/core/di"

// Registry is a factory for *Queue. Note Registry doesn't contain the factory method
// itself. ie. How to factory a queue left there for users to define. Users then can use this type to create
// their own queue setup.
//
// Here is an example on how to create a custom Registry with an InProcessDriver.
//
//		factory := di.NewFactory(func(name string) (di.Pair, error) {
//			q := queue.NewQueue(name, queue.NewInProcessDriver())
//			return di.Pair{Conn: q}, nil
//		})
//		registry := queue.Registry{Factory: factory}
//
type Registry struct {
	*di.Factory
}

// Make returns a Queue by the given name. If it has already been created under the same name,
// the that one will be returned.
func (s Registry) Make(name string) (*Queue, error) {
	client, err := s.Factory.Make(name)
	if err != nil {
		return nil, err
	}
	return client.(*Queue), nil
}

// Names returns the names of the queues created so far.
func (s Registry) Names() []string {
	var names []string
	for name := range s.Factory.List() {
		names = append(names, name)
	}
	return names
}

// Maker is the key of Registry in the dependencies graph. Used as a type hint for injection.
type Maker interface {
	Make(string) (*Queue, error)
}
