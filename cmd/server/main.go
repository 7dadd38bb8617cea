package main

import (
	"log"

	"matryoshka/internal/api"
	"matryoshka/internal/config"
	"matryoshka/internal/dsl"
	"matryoshka/internal/pg"
	"matryoshka/internal/reference"
	"matryoshka/internal/relation"
	"matryoshka/internal/store"
)

func main() {
	cfg := config.LoadWithPath("config.json")

	// 1. DSL-сущности
	entities, err := dsl.LoadAllEntities(cfg.DSLDir)
	if err != nil {
		log.Fatalf("Ошибка загрузки DSL: %v", err)
	}
	log.Printf("Загружено сущностей: %d", len(entities))

	// 2. Enum-справочники
	enumCatalog, err := reference.LoadEnumCatalog(cfg.EnumsDir)
	if err != nil {
		log.Fatalf("Ошибка загрузки enum-справочников: %v", err)
	}
	log.Printf("Загружено enum-справочников: %d", len(enumCatalog))

	// 3. Линт схем до старта
	if issues := api.SchemaLint(entities, enumCatalog); len(issues) > 0 {
		for _, it := range issues {
			log.Printf("schema lint: %s.%s: %s (%s)", it.Entity, it.Field, it.Message, it.Code)
		}
		log.Fatalf("Схемы содержат блокирующие ошибки: %d", len(issues))
	}

	// 4. Реестр связей — классификация один раз, на старте
	reg, err := relation.Build(entities)
	if err != nil {
		log.Fatalf("Ошибка построения реестра связей: %v", err)
	}

	// 5. In-memory хранилище
	st := store.NewStorage(entities, reg, enumCatalog)

	// 6. Опциональная миграция Postgres (add-only DDL)
	if cfg.DBURL != "" && cfg.AutoMigrate {
		db, err := pg.Open(cfg.DBURL)
		if err != nil {
			log.Fatalf("Ошибка подключения к Postgres: %v", err)
		}
		ddl, err := pg.GenerateDDL(entities, reg)
		if err != nil {
			log.Fatalf("Ошибка генерации DDL: %v", err)
		}
		if err := pg.ApplyDDL(db, ddl); err != nil {
			log.Fatalf("Ошибка применения DDL: %v", err)
		}
		_ = db.Close()
		log.Printf("DDL применён")
	}

	// 7. REST API сервер
	srv := api.NewServer(st)
	if cfg.BlobDriver == "local" {
		srv.Blob = &api.LocalBlobStore{Root: cfg.FilesRoot}
	}

	log.Printf("Стартуем сервер Matryoshka на :%s...", cfg.Port)
	api.RunServer(":"+cfg.Port, srv)
}
