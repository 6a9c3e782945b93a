package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Bossciano/SIMPLE-ECOMMERCE/cache"
	"github.com/Bossciano/SIMPLE-ECOMMERCE/circuitbreaker"
	"github.com/Bossciano/SIMPLE-ECOMMERCE/models"
)

const productColumns = "id, name, description, price, image_url, category, brand, stock, featured, created_at, updated_at"

// ProductHandler serves the read-only catalog. The checkout workflow never
// mutates products; it only prices against them.
type ProductHandler struct {
	db             *sql.DB
	redisClient    *redis.Client
	logger         *zap.Logger
	circuitBreaker *circuitbreaker.CircuitBreaker
}

func NewProductHandler(db *sql.DB, redisClient *redis.Client, logger *zap.Logger) *ProductHandler {
	return &ProductHandler{
		db:             db,
		redisClient:    redisClient,
		logger:         logger,
		circuitBreaker: circuitbreaker.NewCircuitBreaker(5, 30*time.Second),
	}
}

func scanProduct(row interface{ Scan(dest ...any) error }, p *models.Product) error {
	return row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.ImageURL,
		&p.Category, &p.Brand, &p.Stock, &p.Featured, &p.CreatedAt, &p.UpdatedAt)
}

func (h *ProductHandler) GetProducts(c *gin.Context) {
	ctx, span := otel.Tracer("storefront").Start(c.Request.Context(), "GetProducts")
	defer span.End()

	query := "SELECT " + productColumns + " FROM products"
	args := []interface{}{}
	argPos := 1

	if category := c.Query("category"); category != "" {
		query += " WHERE category = $" + strconv.Itoa(argPos)
		args = append(args, category)
		argPos++
		span.SetAttributes(attribute.String("filter.category", category))
	}
	if c.Query("featured") == "true" {
		if len(args) == 0 {
			query += " WHERE featured = TRUE"
		} else {
			query += " AND featured = TRUE"
		}
		span.SetAttributes(attribute.Bool("filter.featured", true))
	}
	query += " ORDER BY id"

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch products", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		var p models.Product
		if err := scanProduct(rows, &p); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan product", zap.Error(err))
			continue
		}
		products = append(products, p)
	}

	span.SetAttributes(attribute.Int("products.count", len(products)))
	c.JSON(http.StatusOK, products)
}

func (h *ProductHandler) GetProduct(c *gin.Context) {
	ctx, span := otel.Tracer("storefront").Start(c.Request.Context(), "GetProduct")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("product.id", id))

	// Try to get from cache first
	cachedData, err := cache.GetProduct(ctx, h.redisClient, id)
	if err == nil {
		var product models.Product
		if err := json.Unmarshal(cachedData, &product); err == nil {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			c.JSON(http.StatusOK, product)
			return
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	// Get from database with circuit breaker
	var product models.Product
	dbErr := h.circuitBreaker.Execute(ctx, func() error {
		return scanProduct(h.db.QueryRowContext(ctx,
			"SELECT "+productColumns+" FROM products WHERE id = $1", id), &product)
	})

	if dbErr != nil {
		if dbErr == circuitbreaker.ErrCircuitOpen {
			span.SetAttributes(attribute.String("circuit.state", "open"))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
			return
		}
		if dbErr == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
			return
		}
		span.RecordError(dbErr)
		h.logger.Error("Failed to fetch product", zap.Error(dbErr))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	cache.SetProduct(ctx, h.redisClient, id, product, cache.ProductTTL)

	c.JSON(http.StatusOK, product)
}
