package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"vigil/internal/config"
	"vigil/internal/database"
	"vigil/internal/detection"
	"vigil/internal/identity"
)

// enroll stores a person with the embedding of their face image. A running
// service picks the person up on its next identity reload.
func enroll(ctx context.Context, cfg *config.Config, log zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("enroll", flag.ContinueOnError)
	var (
		name      = fs.String("name", "", "Person name")
		role      = fs.String("role", string(identity.RoleEmployee), "Employee, Client, Supplier or Guest")
		imagePath = fs.String("image", "", "Face image (jpeg or png)")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" || *imagePath == "" {
		return errors.New("enroll: -name and -image are required")
	}
	r, err := identity.ParseRole(*role)
	if err != nil {
		return err
	}

	path, err := filepath.Abs(*imagePath)
	if err != nil {
		return err
	}
	img, err := decodeImage(path)
	if err != nil {
		return err
	}

	embedder, err := detection.NewEmbedder(cfg.Embedder, log)
	if err != nil {
		return err
	}
	defer embedder.Close()

	emb, ok, err := embedder.Embed(ctx, img)
	if err != nil {
		return fmt.Errorf("embed %s: %w", path, err)
	}
	if !ok {
		return fmt.Errorf("no face found in %s", path)
	}

	store, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SavePerson(ctx, identity.Record{Name: *name, Role: r, Embedding: emb, ImagePath: path}); err != nil {
		return err
	}
	log.Info().Str("person", *name).Str("role", string(r)).Int("dimension", len(emb)).Msg("person enrolled")
	return nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}
