package storage

import "database/sql"

// Repositories bundles every repository over one database handle.
type Repositories struct {
	Documents      *DocumentRepository
	Manufacturers  *ManufacturerRepository
	Products       *ProductRepository
	Chunks         *ChunkRepository
	Embeddings     *EmbeddingRepository
	ErrorCodes     *ErrorCodeRepository
	Images         *ImageRepository
	Links          *LinkRepository
	StageStatus    *StageStatusRepository
	PipelineErrors *PipelineErrorRepository
	Audit          *AuditRepository
	Queue          *QueueRepository
}

// NewRepositories wires all repositories to db.
func NewRepositories(db *sql.DB, driver string) *Repositories {
	return &Repositories{
		Documents:      NewDocumentRepository(db),
		Manufacturers:  NewManufacturerRepository(db),
		Products:       NewProductRepository(db),
		Chunks:         NewChunkRepository(db),
		Embeddings:     NewEmbeddingRepository(db, driver),
		ErrorCodes:     NewErrorCodeRepository(db),
		Images:         NewImageRepository(db),
		Links:          NewLinkRepository(db),
		StageStatus:    NewStageStatusRepository(db),
		PipelineErrors: NewPipelineErrorRepository(db),
		Audit:          NewAuditRepository(db),
		Queue:          NewQueueRepository(db, driver),
	}
}
