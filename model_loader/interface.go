package model_loader

import "context"

type Loader interface {
	Load(ctx context.Context) (*ModelHandle, error)
}
