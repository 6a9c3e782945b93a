package handlers

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/Bossciano/SIMPLE-ECOMMERCE/models"
)

func productRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "description", "price", "image_url",
		"category", "brand", "stock", "featured", "created_at", "updated_at"})
}

func setupProductTest(t *testing.T) (*ProductHandler, sqlmock.Sqlmock, *gin.Engine) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}

	// Real client against an unused port; every lookup is a cache miss
	redisClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	handler := NewProductHandler(db, redisClient, logger)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/products", handler.GetProducts)
	router.GET("/products/:id", handler.GetProduct)

	return handler, mock, router
}

func TestProductHandler_GetProducts_Success(t *testing.T) {
	handler, mock, router := setupProductTest(t)
	defer handler.db.Close()

	rows := productRows().
		AddRow(1, "Product A", "First product", int64(1000), "", models.CategoryElectronics, "Acme", 100, false, time.Now(), time.Now()).
		AddRow(2, "Product B", "Second product", int64(2500), "", models.CategoryClothing, "Acme", 50, true, time.Now(), time.Now())

	mock.ExpectQuery("SELECT (.+) FROM products ORDER BY id").
		WillReturnRows(rows)

	req := httptest.NewRequest("GET", "/products", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestProductHandler_GetProducts_CategoryFilter(t *testing.T) {
	handler, mock, router := setupProductTest(t)
	defer handler.db.Close()

	rows := productRows().
		AddRow(1, "Product A", "", int64(1000), "", models.CategoryElectronics, "Acme", 100, false, time.Now(), time.Now())

	mock.ExpectQuery(`SELECT (.+) FROM products WHERE category = \$1 ORDER BY id`).
		WithArgs("electronics").
		WillReturnRows(rows)

	req := httptest.NewRequest("GET", "/products?category=electronics", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestProductHandler_GetProduct_Success(t *testing.T) {
	handler, mock, router := setupProductTest(t)
	defer handler.db.Close()

	rows := productRows().
		AddRow(1, "Product A", "First product", int64(1000), "", models.CategoryElectronics, "Acme", 100, false, time.Now(), time.Now())

	mock.ExpectQuery(`SELECT (.+) FROM products WHERE id = \$1`).
		WithArgs("1").
		WillReturnRows(rows)

	req := httptest.NewRequest("GET", "/products/1", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestProductHandler_GetProduct_NotFound(t *testing.T) {
	handler, mock, router := setupProductTest(t)
	defer handler.db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM products WHERE id = \$1`).
		WithArgs("999").
		WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest("GET", "/products/999", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}
